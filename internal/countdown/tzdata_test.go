package countdown

import _ "time/tzdata"
