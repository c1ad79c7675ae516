// Package calendar implements the fixed-period rotation calendar and the
// business-day policy.
//
// All date decisions (period boundaries, weekend deferral, eve-of-transition
// checks) are evaluated in one configured reference timezone so that a
// trigger fired from any host resolves to the same civil date.
package calendar
