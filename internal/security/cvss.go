package security

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidCVSSVector is returned for vectors that are not CVSS v3.x
var ErrInvalidCVSSVector = errors.New("invalid CVSS v3 vector")

var (
	cvssAttackVector     = map[string]float64{"N": 0.85, "A": 0.62, "L": 0.55, "P": 0.2}
	cvssAttackComplexity = map[string]float64{"L": 0.77, "H": 0.44}
	cvssUserInteraction  = map[string]float64{"N": 0.85, "R": 0.62}
	cvssImpact           = map[string]float64{"H": 0.56, "L": 0.22, "N": 0}
)

// cvssPrivileges returns the privileges-required weight, which depends on
// whether the scope changes
func cvssPrivileges(value string, scopeChanged bool) (float64, bool) {
	switch value {
	case "N":
		return 0.85, true
	case "L":
		if scopeChanged {
			return 0.68, true
		}
		return 0.62, true
	case "H":
		if scopeChanged {
			return 0.5, true
		}
		return 0.27, true
	}
	return 0, false
}

// CVSS3BaseScore computes the base score of a CVSS v3.0 or v3.1 vector
// such as "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H".
func CVSS3BaseScore(vector string) (float64, error) {
	parts := strings.Split(strings.TrimSpace(vector), "/")
	if len(parts) < 9 || (parts[0] != "CVSS:3.0" && parts[0] != "CVSS:3.1") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCVSSVector, vector)
	}

	metrics := make(map[string]string, len(parts)-1)
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, ":")
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrInvalidCVSSVector, vector)
		}
		metrics[k] = v
	}

	scope := metrics["S"]
	if scope != "U" && scope != "C" {
		return 0, fmt.Errorf("%w: bad scope in %q", ErrInvalidCVSSVector, vector)
	}
	changed := scope == "C"

	av, ok1 := cvssAttackVector[metrics["AV"]]
	ac, ok2 := cvssAttackComplexity[metrics["AC"]]
	pr, ok3 := cvssPrivileges(metrics["PR"], changed)
	ui, ok4 := cvssUserInteraction[metrics["UI"]]
	c, ok5 := cvssImpact[metrics["C"]]
	i, ok6 := cvssImpact[metrics["I"]]
	a, ok7 := cvssImpact[metrics["A"]]
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7) {
		return 0, fmt.Errorf("%w: missing base metric in %q", ErrInvalidCVSSVector, vector)
	}

	iss := 1 - (1-c)*(1-i)*(1-a)
	var impact float64
	if changed {
		impact = 7.52*(iss-0.029) - 3.25*math.Pow(iss-0.02, 15)
	} else {
		impact = 6.42 * iss
	}
	if impact <= 0 {
		return 0, nil
	}

	exploitability := 8.22 * av * ac * pr * ui
	if changed {
		return roundUp(math.Min(1.08*(impact+exploitability), 10)), nil
	}
	return roundUp(math.Min(impact+exploitability, 10)), nil
}

// roundUp returns the smallest one-decimal number >= x, avoiding
// floating point artefacts as CVSS v3.1 prescribes
func roundUp(x float64) float64 {
	i := int64(math.Round(x * 100000))
	if i%10000 == 0 {
		return float64(i) / 100000.0
	}
	return float64(i/10000+1) / 10.0
}
