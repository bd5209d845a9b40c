package train

import (
	"os"
	"path/filepath"
	"testing"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Strategy != StrategyDefault || cfg.MaxSteps != 30000 {
		t.Fatalf("defaults not preserved: strategy=%q max_steps=%d", cfg.Strategy, cfg.MaxSteps)
	}
}

func TestLoadOverKeepsPresetForUnsetKeys(t *testing.T) {
	path := writeYAML(t, "max_steps: 5000\n")
	cfg, err := LoadOver(MCMCDefault(), path)
	if err != nil {
		t.Fatalf("LoadOver: %v", err)
	}
	if cfg.MaxSteps != 5000 {
		t.Fatalf("max_steps = %d, want file override 5000", cfg.MaxSteps)
	}
	if cfg.Strategy != StrategyMCMC {
		t.Fatalf("strategy = %q, want preset mcmc", cfg.Strategy)
	}
	if cfg.OpacityReg != 0.01 || cfg.ScaleReg != 0.01 {
		t.Fatalf("regularizers = %g/%g, want preset 0.01/0.01", cfg.OpacityReg, cfg.ScaleReg)
	}
	if cfg.InitOpa != 0.5 || cfg.InitScale != 0.1 {
		t.Fatalf("init opa/scale = %g/%g, want preset 0.5/0.1", cfg.InitOpa, cfg.InitScale)
	}
}

func TestLoadOverFileWinsOverPreset(t *testing.T) {
	path := writeYAML(t, "opacity_reg: 0.05\nstrategy: mcmc\n")
	cfg, err := LoadOver(MCMCDefault(), path)
	if err != nil {
		t.Fatalf("LoadOver: %v", err)
	}
	if cfg.OpacityReg != 0.05 {
		t.Fatalf("opacity_reg = %g, want file value 0.05", cfg.OpacityReg)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestValidateRejectsUnknownStrategy(t *testing.T) {
	cfg := Default()
	cfg.Strategy = "anneal"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestAdjustStepsScalesStepFields(t *testing.T) {
	cfg := Default()
	cfg.StepsScaler = 0.5
	cfg.MaxSteps = 1000
	cfg.PretrainSteps = 200
	cfg.EvalSteps = []int{100, 1000}
	cfg.AdjustSteps()
	if cfg.MaxSteps != 500 || cfg.PretrainSteps != 100 {
		t.Fatalf("scaled steps = %d/%d, want 500/100", cfg.MaxSteps, cfg.PretrainSteps)
	}
	if cfg.EvalSteps[0] != 50 || cfg.EvalSteps[1] != 500 {
		t.Fatalf("scaled eval steps = %v", cfg.EvalSteps)
	}
}
