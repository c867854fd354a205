/*

Process of compilation

Front End (kit + gc.Policy accesses) ->
Abstract Barriers (ir) ->
	optimize ->
Simplified Graph (barrier identities, folded branches) ->
	expand_barriers ->
Expanded Graph (gc_state tests, runtime calls, fixed memory) ->
	post_expansion ->
Final Graph (merged tests, unswitched loops)

Every phase runs once per Unit, in that order.

*/
package comp
