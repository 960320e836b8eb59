// Package domain defines the authored, immutable mission template model:
// prototype nodes, action templates, effect templates, forces, files and
// member roles. Instances derived from these templates live in the
// instance package; nothing here mutates after authoring.
package domain
