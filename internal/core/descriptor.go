package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DescriptorFileName is the side-channel file published next to the model
// resources that sizes a session's typed variable tables before the
// server process exists: three counts on the first line, then one line of
// value references per type.
const DescriptorFileName = "remoting_table.txt"

// LoadVariableTable reads <ResourcePath>/remoting_table.txt and populates
// the descriptor's variable counts and value-reference sets. The file is
// whitespace-separated ASCII decimal throughout, so the parse is one
// token stream; line structure is not significant beyond readability.
func (d *Descriptor) LoadVariableTable() error {
	path := filepath.Join(d.ResourcePath, DescriptorFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("core: reading variable table %s: %w", path, err)
	}

	fields := strings.Fields(string(data))
	next := func(what string) (uint64, error) {
		if len(fields) == 0 {
			return 0, fmt.Errorf("core: variable table %s: missing %s", path, what)
		}
		tok := fields[0]
		fields = fields[1:]
		v, err := strconv.ParseUint(tok, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("core: variable table %s: bad %s %q: %w", path, what, tok, err)
		}
		return v, nil
	}

	counts := make([]int, 3)
	for i, what := range []string{"real count", "integer count", "boolean count"} {
		v, err := next(what)
		if err != nil {
			return err
		}
		counts[i] = int(v)
	}

	readVRs := func(n int, what string) ([]uint32, error) {
		vrs := make([]uint32, 0, n)
		for i := 0; i < n; i++ {
			v, err := next(what + " value reference")
			if err != nil {
				return nil, err
			}
			vrs = append(vrs, uint32(v))
		}
		return vrs, nil
	}

	realVRs, err := readVRs(counts[0], "real")
	if err != nil {
		return err
	}
	intVRs, err := readVRs(counts[1], "integer")
	if err != nil {
		return err
	}
	boolVRs, err := readVRs(counts[2], "boolean")
	if err != nil {
		return err
	}
	if len(fields) > 0 {
		return fmt.Errorf("core: variable table %s: %d trailing tokens", path, len(fields))
	}

	d.NReals, d.NIntegers, d.NBooleans = counts[0], counts[1], counts[2]
	d.RealVRs, d.IntegerVRs, d.BooleanVRs = realVRs, intVRs, boolVRs
	return nil
}
