package persistence

import "strings"

// ScopeName builds the tenant-scoped key for a queue or topic name. The
// empty project scopes to "/name", matching unauthenticated requests.
func ScopeName(project, name string) string {
	return project + "/" + name
}

// MonitorKey builds the monitor record key project/type/name.
func MonitorKey(project, mtype, name string) string {
	return project + "/" + mtype + "/" + name
}

// ParseMonitorKey splits a record key back into project, type, and name.
func ParseMonitorKey(key string) (project, mtype, name string) {
	parts := strings.SplitN(key, "/", 3)
	if len(parts) != 3 {
		return "", "", key
	}
	return parts[0], parts[1], parts[2]
}
