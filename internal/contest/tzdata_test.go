package contest

import _ "time/tzdata"
