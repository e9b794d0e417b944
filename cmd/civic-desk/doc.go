// Command civic-desk runs and operates the citizen service desk.
//
// Usage:
//
//	civic-desk serve              start the server
//	civic-desk init               write a starter config interactively
//	civic-desk health             check a running server
//	civic-desk token --subject ID mint an agent or admin token
//	civic-desk queues             list waiting conversations
//	civic-desk version
//
// The config file is taken from --config, then $CIVIC_DESK_CONFIG, then
// ~/.config/civic-desk/config.yaml. A .toml extension selects TOML.
package main
