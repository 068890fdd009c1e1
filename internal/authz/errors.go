package authz

import "errors"

// Authorization errors.
var (
	// ErrInvalidMode indicates an unknown rule combination mode.
	ErrInvalidMode = errors.New("invalid combination mode")

	// ErrEmptyExpression indicates an expression rule with no expression.
	ErrEmptyExpression = errors.New("expression is empty")

	// ErrEmptyRuleName indicates an expression rule with no name.
	ErrEmptyRuleName = errors.New("rule name is empty")

	// ErrSourceEmpty indicates a rule source that produced no document.
	ErrSourceEmpty = errors.New("rule source returned no document")
)
