package contract

import (
	"sort"
	"sync"

	"ledger-project/errs"
	"ledger-project/logger"

	"go.uber.org/zap"
)

// Store keeps deployed contracts by address.
type Store struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
}

func NewStore() *Store {
	return &Store{contracts: make(map[string]*Contract)}
}

func (s *Store) Deploy(c *Contract) error {
	if c == nil || c.Address == "" {
		return errs.New(errs.ValidationFailure, "contract address is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contracts[c.Address]; ok {
		return errs.New(errs.StateConflict, "contract %s already deployed", c.Address)
	}
	s.contracts[c.Address] = c

	logger.Logger.Info("Contract deployed", zap.String("address", c.Address), zap.String("kind", c.Kind))
	return nil
}

// DeployTemplate deploys a new contract of a registered kind.
func (s *Store) DeployTemplate(kind, address string) (*Contract, error) {
	build, ok := Templates[kind]
	if !ok {
		return nil, errs.New(errs.NotFound, "unknown contract kind %q", kind)
	}

	c := build(address)
	if err := s.Deploy(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) Get(address string) (*Contract, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contracts[address]
	if !ok {
		return nil, errs.New(errs.NotFound, "contract %s not found", address)
	}
	return c, nil
}

// Lookup checks that address is deployed and exposes method.
func (s *Store) Lookup(address, method string) error {
	c, err := s.Get(address)
	if err != nil {
		return err
	}
	if !c.Has(method) {
		return errs.New(errs.NotFound, "method %s not found in contract %s", method, address)
	}
	return nil
}

func (s *Store) Invoke(address, method string, args []string) (string, error) {
	c, err := s.Get(address)
	if err != nil {
		return "", err
	}
	return c.Call(method, args)
}

func (s *Store) Addresses() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.contracts))
	for addr := range s.contracts {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
