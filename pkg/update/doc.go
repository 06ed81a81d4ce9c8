// Package update decides whether an installed package should be replaced by an
// available release.
//
// It does not download, verify or install anything. Callers pass what is on the
// device and the version of the newest matching release; the package answers
// with a Decision and a message suitable for a terminal.
//
// Version model
//   - Versions are compared with hashicorp/go-version, so "120.0.6099.145" and
//     "1.52.126" style strings with any number of segments are ordered
//     numerically, and prereleases sort before their release ("2.14.0-beta" <
//     "2.14.0").
//   - A leading "v" is ignored.
//   - When either side cannot be parsed the versions are compared as strings:
//     equal means up to date, anything else means an update is available.
//   - An installed package signed by a different certificate is never replaced.
package update
