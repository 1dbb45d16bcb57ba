package lvp

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	funcSpecRE = regexp.MustCompile(`^(\w+)\(([^()]*)\)$`)
	identRE    = regexp.MustCompile(`^\w+$`)
)

// ParseSpec splits a declaration like "ramp(target,duration)" into the
// function name and its ordered parameter names.
func ParseSpec(spec string) (string, []string, error) {
	m := funcSpecRE.FindStringSubmatch(strings.TrimSpace(spec))
	if m == nil {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidSpec, spec)
	}
	name := m[1]

	var params []string
	if args := strings.TrimSpace(m[2]); args != "" {
		for _, a := range strings.Split(args, ",") {
			a = strings.TrimSpace(a)
			if !identRE.MatchString(a) {
				return "", nil, fmt.Errorf("%w: %q", ErrInvalidSpec, spec)
			}
			params = append(params, a)
		}
	}
	return name, params, nil
}

// Function is a device-side routine declared on a link. Calling it sets
// each parameter in declaration order and then issues the function name
// as a command.
type Function struct {
	name   string
	params []string
	link   *Link
}

func (f *Function) Name() string { return f.name }

// Params returns the parameter names in declaration order.
func (f *Function) Params() []string {
	return append([]string(nil), f.params...)
}

// Call invokes the function with positional arguments. With quiet set the
// whole exchange runs inside a quiet scope and the response is empty.
func (f *Function) Call(args []any, quiet bool) (string, error) {
	if len(args) != len(f.params) {
		return "", fmt.Errorf("%s expects %d arguments, got %d", f.name, len(f.params), len(args))
	}

	var out string
	run := func() error {
		for i, p := range f.params {
			if err := f.link.Set(p, args[i]); err != nil {
				return err
			}
		}
		var err error
		out, err = f.link.Exec(f.name)
		return err
	}

	if quiet {
		if err := f.link.Quiet(run); err != nil {
			return "", err
		}
		return "", nil
	}
	if err := run(); err != nil {
		return "", err
	}
	return out, nil
}
