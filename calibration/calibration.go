/*
powerman - Battery monitor and power control
Copyright (C) 2026, The Cacophony Project

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program. If not, see <http://www.gnu.org/licenses/>.
*/

// Package calibration compiles ADC calibration expressions such as
// "x * 0.01245 + 0.3" into functions.
//
// Only numeric literals, the variable, parentheses and the operators
// + - * / are accepted. Anything else (calls, other identifiers, indexing)
// is rejected when the expression is compiled, so a config file can't be
// used to run arbitrary code.
package calibration

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"
	"strings"
)

// Variable is the name used for the raw ADC count in an expression.
const Variable = "x"

// Func converts a raw ADC count to a physical unit.
type Func func(raw int) float64

var ErrEmptyExpression = errors.New("empty calibration expression")

// Parse compiles expr into a Func. A leading "lambda x:" is stripped so
// existing configuration written for the old daemon still loads.
func Parse(expr string) (Func, error) {
	body := strings.TrimSpace(expr)
	if rest, ok := strings.CutPrefix(body, "lambda"); ok {
		param, after, found := strings.Cut(rest, ":")
		if !found {
			return nil, fmt.Errorf("invalid calibration expression %q: missing ':'", expr)
		}
		if strings.TrimSpace(param) != Variable {
			return nil, fmt.Errorf("invalid calibration expression %q: parameter must be %q", expr, Variable)
		}
		body = strings.TrimSpace(after)
	}
	if body == "" {
		return nil, ErrEmptyExpression
	}

	node, err := parser.ParseExpr(body)
	if err != nil {
		return nil, fmt.Errorf("invalid calibration expression %q: %w", expr, err)
	}
	eval, err := compile(node)
	if err != nil {
		return nil, fmt.Errorf("invalid calibration expression %q: %w", expr, err)
	}
	return func(raw int) float64 { return eval(float64(raw)) }, nil
}

// MustParse is like Parse but panics on error. Used for built in defaults.
func MustParse(expr string) Func {
	f, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return f
}

type evalFn func(x float64) float64

func compile(node ast.Expr) (evalFn, error) {
	switch n := node.(type) {
	case *ast.ParenExpr:
		return compile(n.X)

	case *ast.BasicLit:
		if n.Kind != token.INT && n.Kind != token.FLOAT {
			return nil, fmt.Errorf("unsupported literal %s", n.Value)
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(n.Value, "_", ""), 64)
		if err != nil {
			return nil, err
		}
		return func(float64) float64 { return v }, nil

	case *ast.Ident:
		if n.Name != Variable {
			return nil, fmt.Errorf("unknown identifier %q", n.Name)
		}
		return func(x float64) float64 { return x }, nil

	case *ast.UnaryExpr:
		operand, err := compile(n.X)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.SUB:
			return func(x float64) float64 { return -operand(x) }, nil
		case token.ADD:
			return operand, nil
		}
		return nil, fmt.Errorf("unsupported unary operator %s", n.Op)

	case *ast.BinaryExpr:
		left, err := compile(n.X)
		if err != nil {
			return nil, err
		}
		right, err := compile(n.Y)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.ADD:
			return func(x float64) float64 { return left(x) + right(x) }, nil
		case token.SUB:
			return func(x float64) float64 { return left(x) - right(x) }, nil
		case token.MUL:
			return func(x float64) float64 { return left(x) * right(x) }, nil
		case token.QUO:
			return func(x float64) float64 { return left(x) / right(x) }, nil
		}
		return nil, fmt.Errorf("unsupported operator %s", n.Op)
	}
	return nil, fmt.Errorf("unsupported expression %T", node)
}

// Valid reports whether v is a usable physical reading.
func Valid(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
