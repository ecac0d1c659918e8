package vehiclesim

import (
	"encoding/json"
	"fmt"
	"os"
)

// Profile is the semantic subset of a vehicle profile file this
// simulator consumes, per spec.md section 6. Only the listed keys are
// read; unknown keys are ignored rather than rejected, since the full
// profile file format is explicitly out of scope.
type Profile struct {
	Vehicle struct {
		VIN   string `json:"vin"`
		Make  string `json:"make"`
		Model string `json:"model"`
		Year  int    `json:"year"`
	} `json:"vehicle"`

	Sensors struct {
		RPMIdle           float64 `json:"rpm_idle"`
		RPMMax            float64 `json:"rpm_max"`
		CoolantTempNormal float64 `json:"coolant_temp_normal"`
		FuelCapacity      float64 `json:"fuel_capacity"`
	} `json:"sensors"`

	DTCs []ProfileDTC `json:"dtcs"`
}

// ProfileDTC is one fault the profile declares as available for the
// vehicle simulator's trigger evaluation to arm.
type ProfileDTC struct {
	Code            string  `json:"code"`
	Description     string  `json:"description"`
	MILIlluminate   bool    `json:"mil_illuminate"`
	EmissionRelated bool    `json:"emission_related"`
	Probability     float64 `json:"probability"`
}

// LoadProfile reads and validates a vehicle profile JSON file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vehiclesim: read profile: %w", err)
	}
	var p Profile
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("vehiclesim: parse profile: %w", err)
	}
	if err := p.validate(); err != nil {
		return nil, fmt.Errorf("vehiclesim: invalid profile: %w", err)
	}
	return &p, nil
}

func (p *Profile) validate() error {
	if len(p.Vehicle.VIN) != 17 {
		return fmt.Errorf("vin must be 17 characters, got %d", len(p.Vehicle.VIN))
	}
	if p.Sensors.RPMIdle < 0 || p.Sensors.RPMMax <= 0 || p.Sensors.RPMIdle >= p.Sensors.RPMMax {
		return fmt.Errorf("rpm_idle/rpm_max out of range: idle=%.0f max=%.0f", p.Sensors.RPMIdle, p.Sensors.RPMMax)
	}
	if p.Sensors.CoolantTempNormal < -40 || p.Sensors.CoolantTempNormal > 215 {
		return fmt.Errorf("coolant_temp_normal out of range: %.1f", p.Sensors.CoolantTempNormal)
	}
	for _, d := range p.DTCs {
		if len(d.Code) != 5 {
			return fmt.Errorf("dtc code %q malformed", d.Code)
		}
	}
	return nil
}

// DefaultProfile returns a plausible in-memory profile for tests and
// for running the simulator without a profile file on disk.
func DefaultProfile() *Profile {
	p := &Profile{}
	p.Vehicle.VIN = "1HGCM82633A004352"
	p.Vehicle.Make = "Honda"
	p.Vehicle.Model = "Accord"
	p.Vehicle.Year = 2023
	p.Sensors.RPMIdle = 750
	p.Sensors.RPMMax = 6500
	p.Sensors.CoolantTempNormal = 90
	p.Sensors.FuelCapacity = 60
	p.DTCs = []ProfileDTC{
		{Code: "P0420", Description: "Catalyst System Efficiency Below Threshold", MILIlluminate: true, EmissionRelated: true, Probability: 0.0},
		{Code: "P0171", Description: "System Too Lean (Bank 1)", MILIlluminate: false, EmissionRelated: true, Probability: 0.0},
		{Code: "P0301", Description: "Cylinder 1 Misfire Detected", MILIlluminate: true, EmissionRelated: true, Probability: 0.0},
	}
	return p
}
