// Package vm implements the script virtual machine.
//
// This package contains:
//   - the typed value model (primitives, names, object references,
//     delegates, interfaces, structs and arrays)
//   - properties, structs, classes, states and functions
//   - packages with their name and reference tables, and the CBOR
//     package file codec
//   - the expression-token interpreter with its opcode, cast and native
//     tables
//   - the object state machine with latent actions and probe masks
//   - the bytecode builder, disassembler and debug server
//
// Bytecode is a tree of expression tokens. Every handler reads its own
// operands and evaluates sub-expressions by calling Frame.Step, so there is
// no operand stack: results are written into a caller-provided *Value.
// A nil result pointer asks a variable token for its address only, which is
// how assignments and out parameters find their target.
package vm
