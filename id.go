package substrate

import "github.com/substratehq/substrate/id"

// ID is the primary identifier type for all substrate entities.
type ID = id.ID

// Prefix identifies the entity type encoded in a TypeID.
type Prefix = id.Prefix
