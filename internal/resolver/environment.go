package resolver

import (
	"fmt"
	"strings"
)

// Environment is one named hop of the promotion chain.
type Environment string

const (
	Testing    Environment = "testing"
	Staging    Environment = "staging"
	Production Environment = "production"
)

// chain is the fixed promotion order.
var chain = []Environment{Testing, Staging, Production}

func rank(e Environment) int {
	for i, env := range chain {
		if env == e {
			return i
		}
	}
	return -1
}

// Cap lowers highest to ceiling when ceiling comes earlier in the chain. An
// empty ceiling leaves highest unchanged.
func Cap(highest, ceiling Environment) Environment {
	if ceiling == "" || rank(ceiling) < 0 || rank(ceiling) >= rank(highest) {
		return highest
	}
	return ceiling
}

// ChainTo returns the prefix of the chain that ends at highest. The result
// always starts at Testing.
func ChainTo(highest Environment) ([]Environment, error) {
	for i, env := range chain {
		if env == highest {
			return append([]Environment(nil), chain[:i+1]...), nil
		}
	}
	return nil, fmt.Errorf("unknown environment %q (valid: testing, staging, production)", highest)
}

// ParseEnvironment parses an environment name, case-insensitive.
func ParseEnvironment(s string) (Environment, error) {
	lower := strings.ToLower(strings.TrimSpace(s))
	for _, env := range chain {
		if string(env) == lower {
			return env, nil
		}
	}
	return "", fmt.Errorf("unknown environment %q (valid: testing, staging, production)", s)
}

func (e Environment) String() string {
	return string(e)
}

// IsProduction reports whether promotions to e stop at an open pull request.
func (e Environment) IsProduction() bool {
	return e == Production
}
