package registration

import "os"

// HostnameProbeFunc returns a fact to attach to the outgoing register
// message, or ok=false to omit the field. The default DefaultHostnameProbe
// reports os.Hostname(); VMInfoProbe and ContainerInfoProbe have no
// generic default (detecting a hypervisor or container runtime is
// host-specific) and default to reporting nothing.
type HostnameProbeFunc func() (string, bool)

// VMInfoProbeFunc reports virtualization facts (e.g. "kvm", "xen"), or
// ok=false when none are detected.
type VMInfoProbeFunc func() (string, bool)

// ContainerInfoProbeFunc reports container-runtime facts (e.g. "lxc",
// "docker"), or ok=false when none are detected.
type ContainerInfoProbeFunc func() (string, bool)

// DefaultHostnameProbe reports the local host's hostname via os.Hostname.
func DefaultHostnameProbe() (string, bool) {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "", false
	}
	return name, true
}

// NoVMInfoProbe always reports no virtualization facts.
func NoVMInfoProbe() (string, bool) { return "", false }

// NoContainerInfoProbe always reports no container-runtime facts.
func NoContainerInfoProbe() (string, bool) { return "", false }
