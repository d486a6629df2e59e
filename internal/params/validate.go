package params

import (
	"cmp"
	"errors"
	"fmt"
	"math"
)

// ErrParameterInvalid is matched by every error returned from Validate.
var ErrParameterInvalid = errors.New("invalid parameters")

// ParamError names the parameter and the check that failed.
type ParamError struct {
	Field  string
	Reason string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("invalid parameter %s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrParameterInvalid.
func (e *ParamError) Unwrap() error {
	return ErrParameterInvalid
}

// Validate checks every parameter. It reports the first failure.
func (p *Params) Validate() error {
	if err := checkRange(p.NEnv, "n_env", 1, MaxCategories); err != nil {
		return err
	}
	if err := checkRange(p.NPhe, "n_phe", 1, MaxCategories); err != nil {
		return err
	}
	if err := checkRange(p.NAgtInit, "n_agt_init", 1, MaxAgents); err != nil {
		return err
	}
	if math.IsNaN(p.StdDevMut) {
		return &ParamError{Field: "std_dev_mut", Reason: "is NaN"}
	}
	if err := checkRange(p.StdDevMut, "std_dev_mut", 0, 1); err != nil {
		return err
	}
	if err := checkRange(p.StepsPerSave, "steps_per_save", 1, MaxBatch); err != nil {
		return err
	}
	if err := checkRange(p.SavesPerFile, "saves_per_file", 1, MaxBatch); err != nil {
		return err
	}

	if err := checkShape(p.ProbEnv, "prob_env", p.NEnv, p.NEnv); err != nil {
		return err
	}
	if err := checkShape(p.ProbRep, "prob_rep", p.NPhe, p.NEnv); err != nil {
		return err
	}
	if err := checkShape(p.ProbDec, "prob_dec", p.NPhe, p.NEnv); err != nil {
		return err
	}

	for _, m := range []struct {
		name string
		mat  [][]float64
	}{
		{"prob_env", p.ProbEnv},
		{"prob_rep", p.ProbRep},
		{"prob_dec", p.ProbDec},
	} {
		if err := checkProbabilities(m.mat, m.name); err != nil {
			return err
		}
	}

	return checkRowStochastic(p.ProbEnv, "prob_env")
}

// checkRange reports whether lower <= value < upper.
func checkRange[T cmp.Ordered](value T, name string, lower, upper T) error {
	if lower <= value && value < upper {
		return nil
	}
	return &ParamError{
		Field:  name,
		Reason: fmt.Sprintf("the %s value %v is out of range [%v, %v)", name, value, lower, upper),
	}
}

func checkShape(m [][]float64, name string, rows, cols int) error {
	if len(m) != rows {
		return &ParamError{
			Field:  name,
			Reason: fmt.Sprintf("must have %d rows, got %d", rows, len(m)),
		}
	}
	for i, row := range m {
		if len(row) != cols {
			return &ParamError{
				Field:  name,
				Reason: fmt.Sprintf("row %d must have %d columns, got %d", i, cols, len(row)),
			}
		}
	}
	return nil
}

func checkProbabilities(m [][]float64, name string) error {
	for i, row := range m {
		for j, v := range row {
			if !(v >= 0 && v <= 1) {
				return &ParamError{
					Field:  name,
					Reason: fmt.Sprintf("entry [%d][%d] = %v is not a probability", i, j, v),
				}
			}
		}
	}
	return nil
}

func checkRowStochastic(m [][]float64, name string) error {
	for i, row := range m {
		var sum float64
		for _, v := range row {
			sum += v
		}
		if math.Abs(sum-1.0) > RowSumTolerance {
			return &ParamError{
				Field:  name,
				Reason: fmt.Sprintf("row %d sums to %v, want 1", i, sum),
			}
		}
	}
	return nil
}
