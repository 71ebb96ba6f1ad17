package contract

import (
	"sort"
	"sync"

	"ledger-project/errs"
)

// Method is a named contract handler. It reads and mutates the contract's
// state; a failing method may leave partial writes behind.
type Method func(state map[string]string, args []string) (string, error)

// Contract is an addressed state object with a fixed method table.
type Contract struct {
	Address string
	Kind    string

	mu      sync.Mutex
	state   map[string]string
	methods map[string]Method
}

func New(address, kind string, methods map[string]Method) *Contract {
	return &Contract{
		Address: address,
		Kind:    kind,
		state:   make(map[string]string),
		methods: methods,
	}
}

// Has reports whether the contract exposes method.
func (c *Contract) Has(method string) bool {
	_, ok := c.methods[method]
	return ok
}

func (c *Contract) Methods() []string {
	names := make([]string, 0, len(c.methods))
	for name := range c.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Contract) Call(method string, args []string) (string, error) {
	m, ok := c.methods[method]
	if !ok {
		return "", errs.New(errs.NotFound, "method %s not found in contract %s", method, c.Address)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return m(c.state, args)
}

// State copies the contract's current key/value state.
func (c *Contract) State() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]string, len(c.state))
	for k, v := range c.state {
		out[k] = v
	}
	return out
}
