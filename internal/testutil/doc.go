// Package testutil contains helper builders and fakes used across tests to
// reduce boilerplate when constructing agents and events, controlling time
// and capturing published events. They are not intended for production usage.
package testutil
