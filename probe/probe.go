// Package probe reports what the host KVM supports.
package probe

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/bobuhiro11/govmm/kvm"
)

// Host is the part of /dev/kvm the report needs.
type Host interface {
	CheckExtension(kvm.Capability) (int, error)
	SupportedCPUID(*kvm.CPUID) error
}

type device struct{ fd uintptr }

func (d device) CheckExtension(c kvm.Capability) (int, error) { return kvm.CheckExtension(d.fd, c) }

func (d device) SupportedCPUID(c *kvm.CPUID) error { return kvm.GetSupportedCPUID(d.fd, c) }

// Run opens the KVM device at path and writes the full report to w.
func Run(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := device{fd: f.Fd()}

	if err := Capabilities(w, h); err != nil {
		return err
	}

	return CPUID(w, h)
}

// Capabilities writes one line per known extension with the value KVM
// returns for it.
func Capabilities(w io.Writer, h Host) error {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)

	for _, c := range kvm.AllCapabilities() {
		n, err := h.CheckExtension(c)
		if err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}

		fmt.Fprintf(tw, "%s\t%t\t%d\n", c, n != 0, n)
	}

	return tw.Flush()
}

// CPUID writes the feature bits of KVM_GET_SUPPORTED_CPUID.
func CPUID(w io.Writer, h Host) error {
	c := kvm.CPUID{Nent: uint32(len(kvm.CPUID{}.Entries))}

	if err := h.SupportedCPUID(&c); err != nil {
		return fmt.Errorf("KVM_GET_SUPPORTED_CPUID: %w", err)
	}

	for i := 0; i < int(c.Nent); i++ {
		e := c.Entries[i]

		for _, set := range []featureSet{f1Edx, f7Edx} {
			if e.Function != set.Function || e.Index != set.Index {
				continue
			}

			enabled, disabled := set.split(e.Edx)
			fmt.Fprintf(w, "%s.\n* Enabled: %s\n* Disabled: %s\n\n",
				set.Title, strings.Join(enabled, " "), strings.Join(disabled, " "))
		}
	}

	return nil
}
