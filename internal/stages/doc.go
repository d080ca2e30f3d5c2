// Package stages holds the default executors for the analysis pipeline:
// scan fetches the page, extract parses it, generate drafts marketing copy,
// and publish posts the copy to connected accounts. Each subpackage
// satisfies one executor interface from package analysis.
package stages
