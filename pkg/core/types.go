package core

// Id is the dense integer key LocalStore uses in place of a Cid on its hot paths.
type Id uint64

// AliasName is the name of a durable root.
type AliasName []byte
