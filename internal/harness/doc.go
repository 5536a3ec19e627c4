// Package harness runs reconciliation scenarios described in YAML.
//
// A scenario declares one connected system, the initial state and external
// items, a sequence of passes, and assertions over the returned actions and
// the final state:
//
//	name: five_new_contacts
//	description: "New external items are created in state, then stay in sync"
//	system:
//	  name: crm
//	  type: memory
//	  permissions: { canWrite: true }
//	  dataSets:
//	    - name: contacts
//	      createDeleteDirection: in
//	      permissions: { canWrite: true }
//	      mappings:
//	        - { system: id, state: contactId, direction: join }
//	external:
//	  contacts:
//	    - { id: 1 }
//	passes:
//	  - {}
//	  - external:
//	      contacts: []
//	assertions:
//	  - type: action_count
//	    pass: 1
//	    kind: CreateState
//	    permission: Allowed
//	    count: 1
//	  - type: final_state
//	    list: contacts
//	    count: 0
//
// # Assertion Types
//
//   - action_count: number of actions of a kind in one pass, optionally with a given In or Out permission
//   - action_order: the exact kind sequence of one pass
//   - final_state: items of a state list matching where have the expected fields, or number of items
//   - external_state: same, for the memory connector's items of one dataset
//
// # Deterministic Testing
//
// Scenarios run with a fixed clock that advances one minute per pass and
// sequential action IDs, so golden reports are byte-identical across runs.
package harness
