// Package artifact builds typed task artifacts from tool results.
package artifact
