package diceroller

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/MrWong99/toolrun/pkg/tool"
	"github.com/MrWong99/toolrun/pkg/toolerr"
)

func TestParseExpression_Valid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		expr         string
		wantCount    int
		wantSides    int
		wantModifier int
	}{
		{"1d6", 1, 6, 0},
		{"2d6+3", 2, 6, 3},
		{"4d8-1", 4, 8, -1},
		{"1d20", 1, 20, 0},
		{"10d10+5", 10, 10, 5},
		{"1d1", 1, 1, 0},
		{"d20", 1, 20, 0},
		{"D6", 1, 6, 0},
		{" 3d6+0 ", 3, 6, 0},
		{"1d100-50", 1, 100, -50},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			t.Parallel()
			count, sides, modifier, err := parseExpression(tt.expr)
			if err != nil {
				t.Fatalf("parseExpression(%q): %v", tt.expr, err)
			}
			if count != tt.wantCount || sides != tt.wantSides || modifier != tt.wantModifier {
				t.Errorf("parseExpression(%q) = %d, %d, %d, want %d, %d, %d",
					tt.expr, count, sides, modifier, tt.wantCount, tt.wantSides, tt.wantModifier)
			}
		})
	}
}

func TestParseExpression_Invalid(t *testing.T) {
	t.Parallel()
	for _, expr := range []string{
		"",
		"6",
		"0d6",
		"2d0",
		"xd6",
		"2dx",
		"2d6+y",
		"2d6-z",
		"2d6+",
		"1d20--5",
		"101d6",
		"1d1001",
		"abc",
	} {
		t.Run(expr, func(t *testing.T) {
			t.Parallel()
			if _, _, _, err := parseExpression(expr); err == nil {
				t.Errorf("parseExpression(%q) error = nil, want error", expr)
			}
		})
	}
}

func build(t *testing.T, newFn tool.Factory, params string) tool.Tool {
	t.Helper()
	tl, err := newFn(json.RawMessage(params))
	if err != nil {
		t.Fatalf("build(%s): %v", params, err)
	}
	return tl
}

func TestRoll_Process(t *testing.T) {
	t.Parallel()
	tl := build(t, NewRoll, `{"expression":"3d6+2"}`)
	r := tl.(*Roll)
	seq := []int{0, 5, 2}
	r.intn = func(n int) int {
		if n != 6 {
			t.Errorf("intn(%d), want intn(6)", n)
		}
		v := seq[0]
		seq = seq[1:]
		return v
	}

	if err := tl.ValidateParameters(); err != nil {
		t.Fatalf("ValidateParameters: %v", err)
	}
	out, err := tl.Process(context.Background())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	got := out.(RollResult)
	if got.Total != 1+6+3+2 {
		t.Errorf("Total = %d, want 12", got.Total)
	}
	if len(got.Rolls) != 3 || got.Rolls[1] != 6 {
		t.Errorf("Rolls = %v, want [1 6 3]", got.Rolls)
	}
	if got.Modifier != 2 {
		t.Errorf("Modifier = %d, want 2", got.Modifier)
	}
}

func TestRoll_RealRandomStaysInRange(t *testing.T) {
	t.Parallel()
	tl := build(t, NewRoll, `{"expression":"20d4-1"}`)
	for range 50 {
		out, err := tl.Process(context.Background())
		if err != nil {
			t.Fatalf("Process: %v", err)
		}
		res := out.(RollResult)
		for _, v := range res.Rolls {
			if v < 1 || v > 4 {
				t.Fatalf("roll %d out of range [1,4]", v)
			}
		}
		if res.Total < 19 || res.Total > 79 {
			t.Fatalf("Total = %d, want within [19,79]", res.Total)
		}
	}
}

func TestRoll_MockIsDeterministic(t *testing.T) {
	t.Parallel()
	tl := build(t, NewRoll, `{"expression":"2d8+1"}`)
	out, err := tl.GenerateMockResults()
	if err != nil {
		t.Fatalf("GenerateMockResults: %v", err)
	}
	if got := out.(RollResult).Total; got != 17 {
		t.Errorf("mock Total = %d, want 17", got)
	}
}

func TestRoll_ValidationErrors(t *testing.T) {
	t.Parallel()
	for _, params := range []string{`{}`, `{"expression":"   "}`, `{"expression":"2d"}`, `null`} {
		t.Run(params, func(t *testing.T) {
			t.Parallel()
			err := build(t, NewRoll, params).ValidateParameters()
			if !toolerr.IsKind(err, toolerr.KindValidation) {
				t.Fatalf("ValidateParameters = %v, want VALIDATION_ERROR", err)
			}
			if te := err.(*toolerr.Error); te.Details["field"] != "expression" {
				t.Errorf("details.field = %v, want expression", te.Details["field"])
			}
		})
	}
}

func TestRoll_ParamsCannotOverrideInfo(t *testing.T) {
	t.Parallel()
	tl := build(t, NewRoll, `{"expression":"1d6","ToolInfo":{"Name":"evil"}}`)
	if got := tl.Info().Name; got != "roll" {
		t.Errorf("Info().Name = %q, want roll", got)
	}
}

func TestNewRoll_BadJSON(t *testing.T) {
	t.Parallel()
	_, err := NewRoll(json.RawMessage(`[1,2]`))
	if !toolerr.IsKind(err, toolerr.KindValidation) {
		t.Errorf("NewRoll error = %v, want VALIDATION_ERROR", err)
	}
}

func TestRollTable(t *testing.T) {
	t.Parallel()
	for _, name := range TableNames() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			tl := build(t, NewRollTable, `{"table_name":"`+name+`"}`)
			if err := tl.ValidateParameters(); err != nil {
				t.Fatalf("ValidateParameters: %v", err)
			}
			out, err := tl.Process(context.Background())
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			res := out.(TableResult)
			entries := tables[name]
			if res.Roll < 1 || res.Roll > len(entries) {
				t.Fatalf("Roll = %d, want within [1,%d]", res.Roll, len(entries))
			}
			if res.Result != entries[res.Roll-1] {
				t.Errorf("Result = %q, want entry %d", res.Result, res.Roll)
			}

			mock, err := tl.GenerateMockResults()
			if err != nil {
				t.Fatalf("GenerateMockResults: %v", err)
			}
			if m := mock.(TableResult); m.Roll != 1 || m.Result != entries[0] {
				t.Errorf("mock = %+v, want first entry", m)
			}
		})
	}
}

func TestRollTable_Unknown(t *testing.T) {
	t.Parallel()
	tl := build(t, NewRollTable, `{"table_name":"nope"}`)
	if err := tl.ValidateParameters(); !toolerr.IsKind(err, toolerr.KindValidation) {
		t.Errorf("ValidateParameters = %v, want VALIDATION_ERROR", err)
	}
	if _, err := tl.Process(context.Background()); !toolerr.IsKind(err, toolerr.KindNotFound) {
		t.Errorf("Process = %v, want NOT_FOUND", err)
	}
}

func TestProcess_HonoursCancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := build(t, NewRoll, `{"expression":"1d6"}`).Process(ctx); err == nil {
		t.Error("Process on cancelled context = nil, want error")
	}
}

func TestSpecs(t *testing.T) {
	t.Parallel()
	reg := tool.NewRegistry()
	for _, sp := range Specs() {
		if err := reg.Register(sp); err != nil {
			t.Fatalf("Register(%s): %v", sp.Name, err)
		}
	}
	for _, name := range []string{"roll", "roll_table"} {
		tl, err := reg.Build(name, nil)
		if err != nil {
			t.Fatalf("Build(%s): %v", name, err)
		}
		info := tl.Info()
		if info.Name != name || info.RateLimitType() != LimitType {
			t.Errorf("Info = %+v, want name %s with limit type %s", info, name, LimitType)
		}
	}
}
