// Package prompts builds the instructions Kaizen sends to its execution
// backend for each improvement cycle.
//
// Prompt text is Go code rather than config because it is program logic:
// it interpolates the observation, the action and the prior handoff, and
// tests can assert on what a cycle asks for. Each prompt gets an
// exported function that accepts the dynamic parts and returns the
// fully interpolated string.
package prompts
