// Package testutil contains helper builders and fakes used across tests to
// reduce boilerplate when constructing tasks and workers. These helpers are
// intentionally minimal and not intended for production usage.
package testutil
