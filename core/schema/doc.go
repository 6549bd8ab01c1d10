/*
Package schema defines declarative view-model definitions.

A definition names a view-model class, the class it extends, its reactive
defaults, the remote calls it can execute and the message routes it owns.

# Definition

A minimal definition in YAML:

	viewmodel: cart
	extends: base
	channel: cart

	defaults:
	  id: ""
	  items: []
	  count: !expr "len(items)"
	  label: describe           # names a method: becomes a derived field

	queries:
	  load: { target: /api/cart, on_success: loaded }

	commands:
	  save:
	    target: /api/cart
	    verb: put
	    payload: !method toPayload
	    on_success: saved
	    on_failure: failed

	messages:
	  saved: cart cart.saved
	  checkout:
	    "orders order.created": !expr "{id: args[0]}"

	subscriptions:
	  refresh: [cart.refresh, "admin cache.flush"]

# Defaults

Defaults are ordered. Each entry becomes exactly one reactive field:

  - sequence values become reactive arrays
  - !expr values become derived fields evaluated over the other fields
  - !method values, and strings naming a method, become derived fields
  - everything else becomes a reactive scalar

# Routes

Routes use the "channel topic" form. A single token is a topic on the
instance's own channel. Topics may use "*" (one segment) and "#" (any
number of segments) wildcards when subscribing.
*/
package schema
