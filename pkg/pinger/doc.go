// Package pinger implements the server-liveness probe: a cheap periodic
// GET that tells the broker whether the server has inbound messages
// waiting, so a normally-scheduled exchange can be pulled forward without
// waiting out the full exchange interval.
package pinger
