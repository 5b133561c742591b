/*
Package server holds what a resume run needs around the scheduler: the TOML
configuration, the remote client it names, and an optional status web server that
reports scheduler progress as JSON and exports prometheus metrics.
*/
package server
