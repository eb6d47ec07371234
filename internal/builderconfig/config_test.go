package builderconfig

import "testing"

const validTOML = `
[global]
version = "1"

[[boards]]
name = "rpi4"
description = "Raspberry Pi 4"

[[boards.configs]]
name = "debug"
tags = ["arm", "debug"]
build_script = "/opt/ej/build.sh"
run_script = "/opt/ej/run.sh"
results_path = "/tmp/results.txt"

[[boards.configs]]
name = "release"
tags = ["arm", "release"]
build_script = "/opt/ej/build.sh"
run_script = "/opt/ej/run.sh"
`

func TestParseTOML_Valid(t *testing.T) {
	cfg, err := ParseTOML([]byte(validTOML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Version != "1" {
		t.Errorf("Version = %q, want 1", cfg.Version)
	}
	if len(cfg.Boards) != 1 {
		t.Fatalf("len(Boards) = %d, want 1", len(cfg.Boards))
	}
	board := cfg.Boards[0]
	if board.ID == "" {
		t.Errorf("board id not generated")
	}
	if len(board.Configs) != 2 {
		t.Fatalf("len(Configs) = %d, want 2", len(board.Configs))
	}
	if board.Configs[0].ID == board.Configs[1].ID {
		t.Errorf("board-config ids collided")
	}
}

func TestParseTOML_NoBoards(t *testing.T) {
	_, err := ParseTOML([]byte(`[global]
version = "1"
`))
	if err == nil {
		t.Fatal("expected error for no boards")
	}
}

func TestParseTOML_MissingBuildScript(t *testing.T) {
	_, err := ParseTOML([]byte(`
[[boards]]
name = "rpi4"

[[boards.configs]]
name = "debug"
run_script = "/opt/ej/run.sh"
`))
	if err == nil {
		t.Fatal("expected error for missing build_script")
	}
}

func TestFromUserConfig_GeneratesDistinctIDs(t *testing.T) {
	uc := &UserConfig{
		Boards: []UserBoard{
			{Name: "a", Configs: []UserBoardConfig{{Name: "x", BuildScript: "b", RunScript: "r"}}},
			{Name: "b", Configs: []UserBoardConfig{{Name: "x", BuildScript: "b", RunScript: "r"}}},
		},
	}
	cfg, err := FromUserConfig(uc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Boards[0].ID == cfg.Boards[1].ID {
		t.Errorf("board ids collided across distinct boards")
	}
}
