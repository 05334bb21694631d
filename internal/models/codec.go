package models

import "encoding/gob"

// Parameter and result payloads are stored inside interface{} containers, so
// their composite types must be known to the gob codec badgerhold uses.
func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	gob.Register([]map[string]interface{}{})
}
