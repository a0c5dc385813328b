package server

import (
	"embed"
	"html/template"
)

//go:embed templates/*.html
var templateFiles embed.FS

// ParseTemplates parses every page template from the embedded filesystem.
func ParseTemplates() (*template.Template, error) {
	return template.New("pages").Funcs(template.FuncMap{
		"contains": func(list []string, v string) bool {
			for _, item := range list {
				if item == v {
					return true
				}
			}
			return false
		},
	}).ParseFS(templateFiles, "templates/*.html")
}
