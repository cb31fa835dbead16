// Package factory selects the hypervisor backend at build time: KVM on
// Linux by default, the Microsoft Hypervisor with the mshv build tag on
// x86_64, and ErrHypervisorUnsupported everywhere else. Exactly one
// backend is compiled into a process; there is no runtime fallback.
package factory
