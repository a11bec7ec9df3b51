// Package services holds cross-cutting helpers shared by pipeline stages:
// the error taxonomy used for retry classification and the context keys
// that carry job identity through stage execution.
package services
