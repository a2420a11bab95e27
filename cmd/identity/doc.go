// Package identity is Ember's principal store.
//
// It owns user records and password verification. Sessions and tokens are the
// token authority's business; identity only answers "who is this" and "is
// this password right".
package identity
