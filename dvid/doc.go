/*
Package dvid provides types, constants and functions that have no other dependencies
and can be used by all packages within slicecube: leveled logging, 3d points,
command-line requests and small file helpers.
*/
package dvid
