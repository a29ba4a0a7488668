// Package agent talks to the upstream data-query agent.
//
// The agent is an HTTP service that answers natural-language questions about
// financial data. This package owns the wire shape of that exchange and hides
// transport details from the session engine behind the Querier interface.
package agent
