package contract

import "ledger-project/errs"

const KindKeyValue = "kv"

// Templates builds deployable contracts by kind.
var Templates = map[string]func(address string) *Contract{
	KindKeyValue: NewKeyValueContract,
}

// NewKeyValueContract stores string values under string keys.
func NewKeyValueContract(address string) *Contract {
	return New(address, KindKeyValue, map[string]Method{
		"set_value": setValue,
		"get_value": getValue,
	})
}

func setValue(state map[string]string, args []string) (string, error) {
	if len(args) != 2 {
		return "", errs.New(errs.ValidationFailure, "set_value takes a key and a value, got %d args", len(args))
	}
	state[args[0]] = args[1]
	return args[1], nil
}

func getValue(state map[string]string, args []string) (string, error) {
	if len(args) != 1 {
		return "", errs.New(errs.ValidationFailure, "get_value takes a key, got %d args", len(args))
	}
	return state[args[0]], nil
}
