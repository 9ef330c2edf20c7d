// Package reconciler converges managed agents toward their desired state.
package reconciler
