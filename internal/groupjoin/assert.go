package groupjoin

import "falcon-cm/internal/dbdriver"

var _ dbDriver = (*dbdriver.Driver)(nil)
