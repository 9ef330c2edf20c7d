// Package health probes managed agents by fetching their agent card.
package health
