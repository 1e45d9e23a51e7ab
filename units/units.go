// Package units provides engineering unit newtypes used across the controller.
package units

type (
	// Celsius is a temperature in C
	Celsius float64

	// Kelvin is a temperature in K
	Kelvin float64

	// Volts is an electric potential in V
	Volts float64

	// Amperes is an electric current in A
	Amperes float64

	// Ohms is an electrical resistance in Ohm
	Ohms float64
)

// C2K converts a temp in Celsius to Kelvin
func C2K(c Celsius) Kelvin {
	return Kelvin(c + 273.15)
}

// K2C converts a temp in Kelvin to Celsius
func K2C(k Kelvin) Celsius {
	return Celsius(k - 273.15)
}
