package membership

import "falcon-cm/internal/dbdriver"

var _ dbDriver = (*dbdriver.Driver)(nil)
