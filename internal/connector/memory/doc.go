// Package memory implements an in-process connector.
//
// Items live in memory per dataset name and can be seeded from a YAML file
// whose top-level keys are dataset names:
//
//	contacts:
//	  - id: 1
//	    name: Ada
//	  - id: 2
//	    name: Grace
//
// Field order in the file is kept. Lookup queries are conjunctions of
// field=value pairs, optionally scoped to one dataset:
//
//	email=ada@example.com
//	contacts:team=core,active=true
//
// Values compare by rendered form.
package memory
