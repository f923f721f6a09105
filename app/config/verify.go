package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/invopop/jsonschema"
)

//go:embed schema.json
var embeddedSchemaData []byte

// VerifyAgainstEmbeddedSchema validates the config against the embedded JSON schema
func VerifyAgainstEmbeddedSchema(cfg *SeedConfig) error {
	// parse embedded schema
	var schema map[string]interface{}
	if err := json.Unmarshal(embeddedSchemaData, &schema); err != nil {
		return fmt.Errorf("parse embedded schema: %w", err)
	}

	if err := validateRequiredFields(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// validateRequiredFields performs basic validation of required fields
func validateRequiredFields(cfg *SeedConfig) error {
	if len(cfg.Schedules) == 0 {
		return fmt.Errorf("at least one schedule is required")
	}

	seen := map[string]bool{}
	for i, seed := range cfg.Schedules {
		if seed.Name == "" {
			return fmt.Errorf("schedule %d: name is required", i+1)
		}
		if seen[seed.Name] {
			return fmt.Errorf("schedule %d: duplicate name %q", i+1, seed.Name)
		}
		seen[seed.Name] = true

		if seed.Script == "" {
			return fmt.Errorf("schedule %d: script is required", i+1)
		}

		// either spec or sched is required, but not both
		hasSpec := seed.Spec != ""
		hasSched := !seed.Sched.empty()
		if !hasSpec && !hasSched {
			return fmt.Errorf("schedule %d: either 'spec' or 'sched' field is required", i+1)
		}
		if hasSpec && hasSched {
			return fmt.Errorf("schedule %d: 'spec' and 'sched' fields are mutually exclusive", i+1)
		}

		if hasSpec {
			if n := len(strings.Fields(seed.Spec)); n != 5 {
				return fmt.Errorf("schedule %d: spec must have 5 fields, got %d", i+1, n)
			}
		}
		if hasSched {
			if err := validateSchedFields(seed.Sched, i+1); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateSchedFields checks the per-field schedule form ranges
func validateSchedFields(sched Sched, schedNum int) error {
	checks := []struct {
		value    string
		min, max int
		name     string
	}{
		{sched.Minute, 0, 59, "minute"},
		{sched.Hour, 0, 23, "hour"},
		{sched.Day, 1, 31, "day"},
		{sched.Month, 1, 12, "month"},
	}
	for _, c := range checks {
		if c.value == "" || c.value == "*" {
			continue
		}
		if err := validateCronField(c.value, c.min, c.max, c.name); err != nil {
			return fmt.Errorf("schedule %d: invalid %s field '%s': %w", schedNum, c.name, c.value, err)
		}
	}

	// weekday allows names like MON-FRI on top of 0-7
	if sched.Weekday != "" && sched.Weekday != "*" && !isWeekdayName(sched.Weekday) {
		if err := validateCronField(sched.Weekday, 0, 7, "weekday"); err != nil {
			return fmt.Errorf("schedule %d: invalid weekday field '%s': %w", schedNum, sched.Weekday, err)
		}
	}
	return nil
}

var weekdayPattern = regexp.MustCompile(`^(MON|TUE|WED|THU|FRI|SAT|SUN)(-(MON|TUE|WED|THU|FRI|SAT|SUN))?$`)

func isWeekdayName(s string) bool {
	return weekdayPattern.MatchString(strings.ToUpper(s))
}

// validateCronField validates a single cron field value
func validateCronField(value string, minVal, maxVal int, fieldName string) error {
	if strings.HasPrefix(value, "*/") {
		return validateStepValue(value[2:])
	}
	if strings.Contains(value, ",") {
		for _, part := range strings.Split(value, ",") {
			if err := validateCronField(strings.TrimSpace(part), minVal, maxVal, fieldName); err != nil {
				return err
			}
		}
		return nil
	}
	if strings.Contains(value, "-") {
		return validateRange(value, minVal, maxVal)
	}
	return validateSingleValue(value, minVal, maxVal, fieldName)
}

// validateStepValue validates step values like */5
func validateStepValue(stepStr string) error {
	step, err := strconv.Atoi(stepStr)
	if err != nil || step <= 0 {
		return fmt.Errorf("invalid step value")
	}
	return nil
}

// validateRange validates range values like 1-5 or 1-5/2
func validateRange(value string, minVal, maxVal int) error {
	rangeStr := value
	if strings.Contains(value, "/") {
		parts := strings.Split(value, "/")
		if len(parts) != 2 {
			return fmt.Errorf("invalid range/step format")
		}
		rangeStr = parts[0]
		if err := validateStepValue(parts[1]); err != nil {
			return fmt.Errorf("invalid step value in range")
		}
	}

	parts := strings.Split(rangeStr, "-")
	if len(parts) != 2 {
		return fmt.Errorf("invalid range format")
	}
	start, err1 := strconv.Atoi(parts[0])
	end, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return fmt.Errorf("invalid range values")
	}
	if start < minVal || start > maxVal || end < minVal || end > maxVal || start > end {
		return fmt.Errorf("range values out of bounds (%d-%d)", minVal, maxVal)
	}
	return nil
}

// validateSingleValue validates a single numeric value
func validateSingleValue(value string, minVal, maxVal int, fieldName string) error {
	v, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s value", fieldName)
	}
	if v < minVal || v > maxVal {
		return fmt.Errorf("%s value %d out of bounds (%d-%d)", fieldName, v, minVal, maxVal)
	}
	return nil
}

// GenerateSchema generates a JSON schema for the SeedConfig struct
func GenerateSchema() (*jsonschema.Schema, error) {
	return jsonschema.Reflect(&SeedConfig{}), nil
}
