// Package agents implements the model-backed pipeline stages: a Router that
// classifies queries, a Researcher that retrieves Tableau data, an Analyst
// that answers with optional sandboxed code execution, and a Critic that
// reviews the answer.
package agents
