// Package observability provides run metrics exported through Prometheus.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod  = "method"
	attrPath    = "path"
	attrStatus  = "status"
	attrHub     = "hub"
	attrSuccess = "success"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func hubAttr(hub string) attribute.KeyValue {
	return attribute.String(attrHub, strings.ToLower(hub))
}

func successAttr(success bool) attribute.KeyValue {
	return attribute.Bool(attrSuccess, success)
}

// normalizePath replaces job ids with a placeholder.
// /hpc/jobs/42/submit -> /hpc/jobs/{jobId}/submit
func normalizePath(path string) string {
	const prefix = "/hpc/jobs/"
	if !strings.HasPrefix(path, prefix) {
		return path
	}
	rest := path[len(prefix):]
	id, tail, _ := strings.Cut(rest, "/")
	if id == "" || strings.Trim(id, "0123456789") != "" {
		return path
	}
	if tail == "" {
		return prefix + "{jobId}"
	}
	return prefix + "{jobId}/" + tail
}
