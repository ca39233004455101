package rules

import (
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/solatis/rulekeeper/internal/types"
)

// OperatorMap is a registry of operators and decorators. Compound names
// ("not:equal") are resolved on first use and memoized as composed
// operators, so the evaluation path never re-parses them.
//
// Safe for concurrent use.
type OperatorMap struct {
	mu         sync.RWMutex
	operators  map[string]*Operator
	decorators map[string]*OperatorDecorator
	logger     *zap.Logger
}

// NewOperatorMap returns an empty registry.
func NewOperatorMap(logger *zap.Logger) *OperatorMap {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperatorMap{
		operators:  make(map[string]*Operator),
		decorators: make(map[string]*OperatorDecorator),
		logger:     logger,
	}
}

// NewDefaultOperatorMap returns a registry holding the built-in operators
// and decorators.
func NewDefaultOperatorMap(logger *zap.Logger) *OperatorMap {
	m := NewOperatorMap(logger)
	for _, op := range DefaultOperators() {
		m.AddOperator(op)
	}
	for _, d := range DefaultDecorators() {
		m.AddDecorator(d)
	}
	return m
}

// AddOperator registers op, replacing any operator of the same name.
// Memoized compounds built on a replaced operator are dropped.
func (m *OperatorMap) AddOperator(op *Operator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeOperator(op.name)
	m.operators[op.name] = op
}

// RemoveOperator unregisters name together with every memoized compound
// operator built on it. Reports whether name was registered.
func (m *OperatorMap) RemoveOperator(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeOperator(name)
	_, ok := m.operators[name]
	delete(m.operators, name)
	return ok
}

// AddDecorator registers d, replacing any decorator of the same name.
// Memoized compounds that used a replaced decorator are dropped.
func (m *OperatorMap) AddDecorator(d *OperatorDecorator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeDecorator(d.name)
	m.decorators[d.name] = d
}

// RemoveDecorator unregisters name together with every memoized compound
// operator that used it. Reports whether name was registered.
func (m *OperatorMap) RemoveDecorator(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purgeDecorator(name)
	_, ok := m.decorators[name]
	delete(m.decorators, name)
	return ok
}

// purgeOperator drops memoized compounds whose base operator is name.
// Callers hold m.mu.
func (m *OperatorMap) purgeOperator(name string) {
	suffix := DecoratorSeparator + name
	for key := range m.operators {
		if strings.HasSuffix(key, suffix) {
			delete(m.operators, key)
		}
	}
}

// purgeDecorator drops memoized compounds that apply decorator name.
// Callers hold m.mu.
func (m *OperatorMap) purgeDecorator(name string) {
	prefix := name + DecoratorSeparator
	inner := DecoratorSeparator + prefix
	for key := range m.operators {
		if strings.HasPrefix(key, prefix) || strings.Contains(key, inner) {
			delete(m.operators, key)
		}
	}
}

// Get resolves name to an operator. Unknown base operators or decorators
// yield an UnknownOperatorError.
func (m *OperatorMap) Get(name string) (*Operator, error) {
	m.mu.RLock()
	op, ok := m.operators[name]
	m.mu.RUnlock()
	if ok {
		return op, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Peel decorators off the front until a known operator remains.
	var chain []*OperatorDecorator
	rest := name
	for {
		if op, ok = m.operators[rest]; ok {
			break
		}
		idx := strings.Index(rest, DecoratorSeparator)
		if idx <= 0 {
			m.logger.Debug("operator not found", zap.String("operator", rest))
			return nil, &types.UnknownOperatorError{Name: name}
		}
		d, ok := m.decorators[rest[:idx]]
		if !ok {
			m.logger.Debug("decorator not found", zap.String("decorator", rest[:idx]))
			return nil, &types.UnknownOperatorError{Name: name}
		}
		chain = append(chain, d)
		rest = rest[idx+1:]
	}

	// Apply innermost first, memoizing every intermediate compound.
	for i := len(chain) - 1; i >= 0; i-- {
		op = chain[i].Decorate(op)
		m.operators[op.name] = op
	}
	return op, nil
}
