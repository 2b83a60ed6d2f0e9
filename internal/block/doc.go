// Package block holds the data model shared by every layer above it:
// content-addressed block identifiers, the Block envelope, and the
// Transform/Transforms types that describe a single action's effect on
// one or many blocks. Nothing in this package talks to the network or
// to disk; it is pure data plus the composition rules the store demands
// (insert xor update xor delete per block, per action).
package block
