// Package prompts holds the text Docent sends to the answer model and
// the fixed lines it speaks to visitors.
//
// Prompt text is Go code rather than configuration because it is
// program logic: it interpolates tour context, and tests pin the parts
// the answer model depends on. Each concern gets its own file with an
// exported function that takes the dynamic parts and returns the
// finished text.
package prompts
