package supervisor

import (
	"strconv"
	"strings"
)

// Role names a kind of grid process.
type Role string

const (
	RoleHub  Role = "hub"
	RoleNode Role = "node"
)

// ParseRole accepts "hub" or "node".
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleHub, RoleNode:
		return r, true
	}
	return "", false
}

// Key identifies one supervised process in the fleet.
type Key struct {
	Host string
	Role Role
}

// String is the persistence key, e.g. "host-a/node".
func (k Key) String() string { return k.Host + "/" + string(k.Role) }

// DefaultHubPort and DefaultNodePort are the grid's standard ports.
const (
	DefaultHubPort  = 4444
	DefaultNodePort = 5555
)

// RoleSpec describes how a role is launched. Args entries may contain the
// placeholders {artifact}, {hub_url} and {port}.
type RoleSpec struct {
	Role   Role
	Port   int
	HubURL string
	Java   string
	Args   []string
}

// HubSpec returns the launch spec of the hub role.
func HubSpec(port int) RoleSpec {
	if port <= 0 {
		port = DefaultHubPort
	}
	return RoleSpec{
		Role: RoleHub,
		Port: port,
		Args: []string{"-jar", "{artifact}", "hub", "--port", "{port}"},
	}
}

// NodeSpec returns the launch spec of a node registering with hubURL.
func NodeSpec(port int, hubURL string) RoleSpec {
	if port <= 0 {
		port = DefaultNodePort
	}
	return RoleSpec{
		Role:   RoleNode,
		Port:   port,
		HubURL: hubURL,
		Args:   []string{"-jar", "{artifact}", "node", "--selenium-manager", "true", "--hub", "{hub_url}", "--port", "{port}"},
	}
}

// Argv expands the launch command for artifact. POSIX hosts get a nohup
// wrapper so the process survives the launching session.
func (r RoleSpec) Argv(artifact string, posix bool) []string {
	java := r.Java
	if java == "" {
		java = "java"
	}
	repl := strings.NewReplacer("{artifact}", artifact, "{hub_url}", r.HubURL, "{port}", strconv.Itoa(r.Port))
	argv := make([]string, 0, len(r.Args)+2)
	if posix {
		argv = append(argv, "nohup")
	}
	argv = append(argv, java)
	for _, a := range r.Args {
		argv = append(argv, repl.Replace(a))
	}
	return argv
}

func (r RoleSpec) javaBin() string {
	if r.Java == "" {
		return "java"
	}
	return r.Java
}
