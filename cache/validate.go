package cache

import (
	"fmt"
	"strings"
)

// Validate checks the cache's structural invariants. It returns the first
// violation found, or nil. Strict mode, which the test suites enable, runs
// it after every handled event.
func (c *Comp) Validate() error {
	for r := range c.rows {
		seen := make(map[uint64]bool)
		for w := range c.rows[r].blocks {
			b := &c.rows[r].blocks[w]

			if b.status == Assigned && b.lockCount < 1 {
				return fmt.Errorf(
					"row %d way %d: assigned block 0x%x has no lock",
					r, w, b.baseAddr)
			}

			if b.isValid() {
				if seen[b.tag] {
					return fmt.Errorf(
						"row %d: two valid blocks share tag 0x%x", r, b.tag)
				}
				seen[b.tag] = true
			}
		}
	}

	targets := make(map[*Block]uint64)
	for addr, li := range c.waitingLoads {
		if li.target == nil {
			return fmt.Errorf("fill for 0x%x has no target block", addr)
		}
		if other, ok := targets[li.target]; ok {
			return fmt.Errorf(
				"fills for 0x%x and 0x%x target the same block",
				addr, other)
		}
		targets[li.target] = addr

		if li.target.status != Assigned {
			return fmt.Errorf(
				"fill target for 0x%x is %s, not assigned",
				addr, li.target.status)
		}
	}

	for key, sup := range c.supplies {
		if sup.busEvent != nil && sup.canceled {
			// A canceled supply with its bus event still tracked means
			// the cancel path did not clean up.
			return fmt.Errorf(
				"canceled supply for 0x%x src %s still holds a bus event",
				key.addr, key.src)
		}
	}

	return nil
}

// Dump renders the storage array, one row per line, for debugging.
func (c *Comp) Dump() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "%s\n", c.name)
	for r := range c.rows {
		sb.WriteString("| ")
		for w := range c.rows[r].blocks {
			b := &c.rows[r].blocks[w]
			fmt.Fprintf(&sb, "%s 0x%04x %d | ", b.status, b.baseAddr, b.tag)
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
