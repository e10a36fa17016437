package record

import "strings"

// RepositoryName turns a project name into a repository directory name.
// Path separators become underscores so the name stays one path segment.
func RepositoryName(project string) string {
	name := strings.TrimSpace(project)
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	return name
}

// ProductionName normalizes an irradiation production name
func ProductionName(name string) string {
	return strings.ReplaceAll(strings.TrimSpace(name), " ", "_")
}
