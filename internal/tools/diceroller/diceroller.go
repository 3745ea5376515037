// Package diceroller provides two self-contained tools for dice rolls and
// random table lookups:
//
//   - "roll" evaluates a dice expression such as "2d6+3".
//   - "roll_table" picks one entry from a named built-in table.
//
// Neither tool talks to an external service, so both declare the "local"
// rate-limit type. Mock results are deterministic: every die shows its
// maximum face and table rolls land on the first entry.
package diceroller

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"slices"
	"strconv"
	"strings"

	"github.com/MrWong99/toolrun/pkg/tool"
	"github.com/MrWong99/toolrun/pkg/toolerr"
)

const (
	// Category is the tool category shared by both dice tools.
	Category = "dice"

	// LimitType is the rate-limit type shared by both dice tools.
	LimitType = "local"

	// MaxDice caps the number of dice in one expression.
	MaxDice = 100

	// MaxSides caps the number of faces per die.
	MaxSides = 1000
)

// RollResult is the result of the "roll" tool.
type RollResult struct {
	Expression string `json:"expression"`
	Rolls      []int  `json:"rolls"`
	Modifier   int    `json:"modifier"`
	Total      int    `json:"total"`
}

// TableResult is the result of the "roll_table" tool.
type TableResult struct {
	Table  string `json:"table"`
	Roll   int    `json:"roll"`
	Result string `json:"result"`
}

// Roll evaluates one dice expression.
type Roll struct {
	tool.Base `json:"-"`

	Expression string `json:"expression"`

	// intn returns a value in [0, n). Tests replace it.
	intn func(n int) int
}

// NewRoll builds a "roll" tool from JSON parameters.
func NewRoll(params json.RawMessage) (tool.Tool, error) {
	r := &Roll{
		Base: tool.Base{ToolInfo: tool.Info{Name: "roll", Category: Category, LimitType: LimitType}},
		intn: rand.IntN,
	}
	if err := tool.DecodeParams("roll", params, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ValidateParameters implements [tool.Tool].
func (r *Roll) ValidateParameters() error {
	if strings.TrimSpace(r.Expression) == "" {
		return toolerr.NewValidation("roll", "expression", "expression must not be empty")
	}
	if _, _, _, err := parseExpression(r.Expression); err != nil {
		return toolerr.NewValidation("roll", "expression", err.Error())
	}
	return nil
}

// GenerateMockResults implements [tool.Tool].
func (r *Roll) GenerateMockResults() (any, error) {
	return r.roll(func(n int) int { return n - 1 })
}

// Process implements [tool.Tool].
func (r *Roll) Process(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.roll(r.intn)
}

func (r *Roll) roll(intn func(int) int) (RollResult, error) {
	count, sides, modifier, err := parseExpression(r.Expression)
	if err != nil {
		return RollResult{}, toolerr.NewValidation("roll", "expression", err.Error())
	}
	res := RollResult{
		Expression: r.Expression,
		Rolls:      make([]int, count),
		Modifier:   modifier,
		Total:      modifier,
	}
	for i := range count {
		v := intn(sides) + 1
		res.Rolls[i] = v
		res.Total += v
	}
	return res, nil
}

// parseExpression parses NdS, NdS+M or NdS-M. N defaults to 1 when omitted.
func parseExpression(expr string) (count, sides, modifier int, err error) {
	expr = strings.ToLower(strings.TrimSpace(expr))

	countStr, rest, ok := strings.Cut(expr, "d")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid expression %q: missing 'd' separator", expr)
	}

	count = 1
	if countStr != "" {
		if count, err = strconv.Atoi(countStr); err != nil {
			return 0, 0, 0, fmt.Errorf("invalid dice count %q in expression %q", countStr, expr)
		}
	}
	if count < 1 || count > MaxDice {
		return 0, 0, 0, fmt.Errorf("dice count must be between 1 and %d, got %d", MaxDice, count)
	}

	sidesStr, modStr, sign, hasMod := rest, "", 1, false
	if i := strings.IndexAny(rest, "+-"); i != -1 {
		sidesStr, modStr, hasMod = rest[:i], rest[i+1:], true
		if rest[i] == '-' {
			sign = -1
		}
	}
	if sides, err = strconv.Atoi(sidesStr); err != nil {
		return 0, 0, 0, fmt.Errorf("invalid sides %q in expression %q", sidesStr, expr)
	}
	if sides < 1 || sides > MaxSides {
		return 0, 0, 0, fmt.Errorf("sides must be between 1 and %d, got %d", MaxSides, sides)
	}
	if hasMod {
		mod, err := strconv.Atoi(modStr)
		if err != nil || mod < 0 {
			return 0, 0, 0, fmt.Errorf("invalid modifier %q in expression %q", modStr, expr)
		}
		modifier = sign * mod
	}
	return count, sides, modifier, nil
}

// RollTable picks a random entry from a built-in table.
type RollTable struct {
	tool.Base `json:"-"`

	TableName string `json:"table_name"`

	intn func(n int) int
}

// NewRollTable builds a "roll_table" tool from JSON parameters.
func NewRollTable(params json.RawMessage) (tool.Tool, error) {
	r := &RollTable{
		Base: tool.Base{ToolInfo: tool.Info{Name: "roll_table", Category: Category, LimitType: LimitType}},
		intn: rand.IntN,
	}
	if err := tool.DecodeParams("roll_table", params, r); err != nil {
		return nil, err
	}
	return r, nil
}

// ValidateParameters implements [tool.Tool].
func (r *RollTable) ValidateParameters() error {
	if r.TableName == "" {
		return toolerr.NewValidation("roll_table", "table_name", "table_name must not be empty")
	}
	if _, ok := tables[r.TableName]; !ok {
		return toolerr.NewValidation("roll_table", "table_name",
			fmt.Sprintf("unknown table %q; available tables: %s", r.TableName, strings.Join(TableNames(), ", ")))
	}
	return nil
}

// GenerateMockResults implements [tool.Tool].
func (r *RollTable) GenerateMockResults() (any, error) {
	return r.pick(func(int) int { return 0 })
}

// Process implements [tool.Tool].
func (r *RollTable) Process(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.pick(r.intn)
}

func (r *RollTable) pick(intn func(int) int) (TableResult, error) {
	entries, ok := tables[r.TableName]
	if !ok {
		return TableResult{}, toolerr.NewNotFound("roll_table", "table", fmt.Sprintf("unknown table %q", r.TableName))
	}
	roll := intn(len(entries)) + 1
	return TableResult{Table: r.TableName, Roll: roll, Result: entries[roll-1]}, nil
}

// TableNames returns the built-in table names, sorted.
func TableNames() []string {
	names := make([]string, 0, len(tables))
	for k := range tables {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Specs returns the registration records for both dice tools.
func Specs() []tool.Spec {
	return []tool.Spec{
		{
			Name:        "roll",
			Category:    Category,
			Description: "Evaluate a dice expression and return each die result and the total. Supports notation such as 2d6+3, d20 or 4d8-1.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"expression": map[string]any{
						"type":        "string",
						"description": "Dice expression, e.g. 2d6+3, 1d20, 4d8-1",
					},
				},
				"required": []string{"expression"},
			},
			New: NewRoll,
		},
		{
			Name:        "roll_table",
			Category:    Category,
			Description: "Roll on a named random table and return the matching entry.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"table_name": map[string]any{
						"type":        "string",
						"description": "Name of the random table.",
						"enum":        TableNames(),
					},
				},
				"required": []string{"table_name"},
			},
			New: NewRollTable,
		},
	}
}
