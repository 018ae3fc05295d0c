// Package triage decides what happens to a dead-lettered message.
//
// A record is normalized, classified (by a language model or a rule engine
// behind Provider), checked against a fixed battery of guardrails, resolved
// to exactly one of REDRIVE, TICKET or SUPPRESS, dispatched, and reported.
// The Orchestrator sequences those stages as a state machine with retries;
// the Service runs it asynchronously over a Store.
package triage
