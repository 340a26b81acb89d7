package executor

import "testing"

func TestValidateEmptyInputFails(t *testing.T) {
	v := NewValidator(StrictnessPermissive)
	if res := v.Validate("   \n  "); res.Passed {
		t.Error("empty input should never pass")
	}
}

func TestValidateCleanInputPasses(t *testing.T) {
	v := NewValidator(StrictnessStrict)
	res := v.Validate("print('hello world')")
	if !res.Passed {
		t.Errorf("clean input rejected: %s", res.Message)
	}
	if len(res.Findings) != 0 {
		t.Errorf("unexpected findings: %v", res.Findings)
	}
}

func TestValidateCriticalPatterns(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"fork bomb", ":(){ :|:& };:"},
		{"rm root", "rm -rf /"},
		{"dd block device", "dd if=/dev/zero of=/dev/sda bs=1M"},
		{"mkfs", "mkfs.ext4 /dev/sdb1"},
		{"sysrq", "echo c > /proc/sysrq-trigger"},
	}
	v := NewValidator(StrictnessNormal)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(tt.input)
			if res.Passed {
				t.Errorf("critical input passed normal validation: %q", tt.input)
			}
		})
	}
}

func TestValidateStrictnessLevels(t *testing.T) {
	// Non-critical finding: host credential file access.
	input := "cat /etc/passwd"

	if res := NewValidator(StrictnessPermissive).Validate(input); !res.Passed {
		t.Error("permissive should allow non-critical findings")
	}
	if res := NewValidator(StrictnessNormal).Validate(input); !res.Passed {
		t.Error("normal should allow non-critical findings")
	}
	if res := NewValidator(StrictnessStrict).Validate(input); res.Passed {
		t.Error("strict should reject any finding")
	}
}

func TestValidatePermissiveReportsFindings(t *testing.T) {
	v := NewValidator(StrictnessPermissive)
	res := v.Validate("shutdown -h now")
	if !res.Passed {
		t.Fatal("permissive mode should pass")
	}
	if len(res.Findings) == 0 {
		t.Error("findings should still be reported in permissive mode")
	}
}

func TestValidatorDefaultsToNormal(t *testing.T) {
	v := NewValidator("")
	if res := v.Validate("rm -rf /"); res.Passed {
		t.Error("default strictness should reject critical input")
	}
	if res := v.Validate("cat /etc/shadow"); !res.Passed {
		t.Error("default strictness should allow non-critical input")
	}
}
