// Package testutil provides test utilities for quern. The miniredis
// helpers back every test that needs Redis; no Docker required.
package testutil
