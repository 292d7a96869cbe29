// Package units defines the closed set of physical units understood by the
// instrument servers and the conversions between them.
//
// Devices operate on logical values: integers counting multiples of a
// per-parameter step. The physical value represented by a logical value v is
// v * step. All arithmetic on parameters happens on logical values so that
// repeated relative operations never accumulate rounding error; unit
// conversion only happens at the edges, when a client supplies or requests a
// quantity in human units.
package units

import (
	"errors"
	"fmt"
)

// Unit is one member of a closed per-dimension enumeration. The string values
// are the wire spellings used in JSON bodies and configuration files.
type Unit string

const (
	Nanometer  Unit = "nm"
	Micrometer Unit = "um"
	Millimeter Unit = "mm"
	Meter      Unit = "m"

	NanometerPerSecond  Unit = "nm/s"
	MicrometerPerSecond Unit = "um/s"
	MillimeterPerSecond Unit = "mm/s"
	MeterPerSecond      Unit = "m/s"

	NanometerPerSecondSquared  Unit = "nm/(s^2)"
	MicrometerPerSecondSquared Unit = "um/(s^2)"
	MillimeterPerSecondSquared Unit = "mm/(s^2)"
	MeterPerSecondSquared      Unit = "m/(s^2)"

	Nanosecond  Unit = "ns"
	Microsecond Unit = "us"
	Millisecond Unit = "ms"
	Second      Unit = "s"

	Kelvin           Unit = "K"
	DegreeCelsius    Unit = "degC"
	DegreeFahrenheit Unit = "degF"

	GramPerCubicMeter       Unit = "g/(m^3)"
	RelativeHumidity        Unit = "RH"
	PercentRelativeHumidity Unit = "%RH"
)

var (
	// ErrUnitMismatch is returned when a conversion is requested between two
	// units that do not share a dimension, or when a unit is unknown.
	ErrUnitMismatch = errors.New("unit mismatch")

	// ErrUnsupported is returned for conversions that are physically defined
	// but require ambient information this package does not have. Converting
	// humidity between the absolute and relative families needs ambient
	// temperature and pressure; callers must surface this instead of
	// approximating.
	ErrUnsupported = errors.New("unsupported conversion")
)

type pair struct {
	from Unit
	to   Unit
}

// rules is dense within each dimension: every ordered (from, to) pair of
// units that share a dimension has an entry.
var rules = map[pair]func(float64) float64{}

// unsupported marks same-dimension pairs whose conversion needs ambient data.
var unsupported = map[pair]struct{}{}

func init() {
	// Metric-prefix dimensions convert by exact powers of ten relative to
	// the smallest unit of the dimension.
	prefixed := [][]Unit{
		{Nanometer, Micrometer, Millimeter, Meter},
		{NanometerPerSecond, MicrometerPerSecond, MillimeterPerSecond, MeterPerSecond},
		{NanometerPerSecondSquared, MicrometerPerSecondSquared, MillimeterPerSecondSquared, MeterPerSecondSquared},
		{Nanosecond, Microsecond, Millisecond, Second},
	}
	pow10 := func(n int) float64 {
		f := 1.0
		for i := 0; i < n; i++ {
			f *= 10
		}
		return f
	}
	for _, dim := range prefixed {
		for i, from := range dim {
			for j, to := range dim {
				exp := (i - j) * 3
				var factor float64
				if exp >= 0 {
					factor = pow10(exp)
				} else {
					factor = 1 / pow10(-exp)
				}
				f := factor
				rules[pair{from, to}] = func(x float64) float64 { return x * f }
			}
		}
	}

	// Temperature follows the usual affine rules.
	temp := map[pair]func(float64) float64{
		{Kelvin, Kelvin}:                     func(k float64) float64 { return k },
		{Kelvin, DegreeCelsius}:              func(k float64) float64 { return k - 273.15 },
		{Kelvin, DegreeFahrenheit}:           func(k float64) float64 { return (k-273.15)*9/5 + 32 },
		{DegreeCelsius, Kelvin}:              func(c float64) float64 { return c + 273.15 },
		{DegreeCelsius, DegreeCelsius}:       func(c float64) float64 { return c },
		{DegreeCelsius, DegreeFahrenheit}:    func(c float64) float64 { return c*9/5 + 32 },
		{DegreeFahrenheit, Kelvin}:           func(f float64) float64 { return (f-32)*5/9 + 273.15 },
		{DegreeFahrenheit, DegreeCelsius}:    func(f float64) float64 { return (f - 32) * 5 / 9 },
		{DegreeFahrenheit, DegreeFahrenheit}: func(f float64) float64 { return f },
	}
	for p, f := range temp {
		rules[p] = f
	}

	// Humidity: RH and %RH differ by a factor of 100. Crossing between the
	// relative family and g/(m^3) requires ambient temperature and pressure.
	humidity := []Unit{GramPerCubicMeter, RelativeHumidity, PercentRelativeHumidity}
	for _, u := range humidity {
		rules[pair{u, u}] = func(x float64) float64 { return x }
	}
	rules[pair{RelativeHumidity, PercentRelativeHumidity}] = func(x float64) float64 { return x * 100 }
	rules[pair{PercentRelativeHumidity, RelativeHumidity}] = func(x float64) float64 { return x / 100 }
	for _, rel := range []Unit{RelativeHumidity, PercentRelativeHumidity} {
		unsupported[pair{GramPerCubicMeter, rel}] = struct{}{}
		unsupported[pair{rel, GramPerCubicMeter}] = struct{}{}
	}
}

// Convert converts x from one unit to another within the same dimension.
func Convert(x float64, from, to Unit) (float64, error) {
	if f, ok := rules[pair{from, to}]; ok {
		return f(x), nil
	}
	if _, ok := unsupported[pair{from, to}]; ok {
		return 0, fmt.Errorf("%w: %s to %s requires ambient temperature and pressure", ErrUnsupported, from, to)
	}
	return 0, fmt.Errorf("%w: cannot convert %s to %s", ErrUnitMismatch, from, to)
}

// Quantity is a physical value together with its unit.
type Quantity struct {
	Value float64 `json:"value"`
	Unit  Unit    `json:"unit"`
}

func (q Quantity) String() string {
	return fmt.Sprintf("%g %s", q.Value, q.Unit)
}

// Convert returns the same quantity expressed in the target unit.
func (q Quantity) Convert(to Unit) (Quantity, error) {
	v, err := Convert(q.Value, q.Unit, to)
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: v, Unit: to}, nil
}

// ToLogical converts a physical quantity into a logical value for a parameter
// with the given step. The result truncates toward zero: the device cannot
// act below step resolution, so the fractional remainder carries no
// information. Callers are expected to warn when truncation rounds a request
// onto the current value.
func ToLogical(q Quantity, step Quantity) (int64, error) {
	if step.Value <= 0 {
		return 0, fmt.Errorf("invalid step %s", step)
	}
	inStepUnit, err := Convert(q.Value, q.Unit, step.Unit)
	if err != nil {
		return 0, err
	}
	return int64(inStepUnit / step.Value), nil
}

// ToPhysical converts a logical value back into a physical quantity in the
// requested target unit.
func ToPhysical(v int64, step Quantity, target Unit) (Quantity, error) {
	abs := float64(v) * step.Value
	converted, err := Convert(abs, step.Unit, target)
	if err != nil {
		return Quantity{}, err
	}
	return Quantity{Value: converted, Unit: target}, nil
}
