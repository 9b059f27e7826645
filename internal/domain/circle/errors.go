package circle

import "fmt"

// Errors returned by Repository implementations.
var ErrCircleNotFound = fmt.Errorf("circle not found")
var ErrMemberNotFound = fmt.Errorf("circle member not found")
var ErrAssignmentNotFound = fmt.Errorf("rotation assignment not found")
var ErrDuplicateMember = fmt.Errorf("member already belongs to circle")
